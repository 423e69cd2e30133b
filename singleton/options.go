package singleton

// defaultMaxNameLen is far above any type name the host registers.
const defaultMaxNameLen = 4096

type config struct {
	text       string
	data       string
	maxNameLen int
}

// Option configures a table build.
type Option func(*config)

// WithSections names the executable and data sections. The defaults are
// ".text" and ".data".
func WithSections(text, data string) Option {
	return func(c *config) {
		c.text = text
		c.data = data
	}
}

// WithMaxNameLen bounds the length of a resolved name. Longer names fail
// the build. The default is 4096 bytes.
func WithMaxNameLen(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxNameLen = n
		}
	}
}

func newConfig(opts []Option) config {
	c := config{
		text:       ".text",
		data:       ".data",
		maxNameLen: defaultMaxNameLen,
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}
