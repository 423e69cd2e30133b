//go:build !unix && !windows

package hook

func platformMemory() CodeMemory { return unsupportedMemory{} }
