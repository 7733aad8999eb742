package relay

import "io"

// frameCounter counts frames written through it. The framer issues one
// Write per frame.
type frameCounter struct {
	w      io.Writer
	frames int
}

func (c *frameCounter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err == nil {
		c.frames++
	}
	return n, err
}

// frameSkipper drops the first skip frames of an SSE body. Frames end with a
// blank line and carry no embedded newlines.
type frameSkipper struct {
	r      io.Reader
	skip   int
	prevNL bool
}

func (s *frameSkipper) Read(p []byte) (int, error) {
	for s.skip > 0 {
		n, err := s.r.Read(p)
		i := 0
		for ; i < n && s.skip > 0; i++ {
			nl := p[i] == '\n'
			if nl && s.prevNL {
				s.skip--
				nl = false
			}
			s.prevNL = nl
		}
		if s.skip == 0 && i < n {
			return copy(p, p[i:n]), err
		}
		if err != nil {
			return 0, err
		}
	}
	return s.r.Read(p)
}
