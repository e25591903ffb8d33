// Package iox holds the cleanup helpers shared by the archive readers,
// journal files and adapters.
package iox

import "io"

// DiscardClose closes c and drops the error, for deferred closes of
// read-only files and archive readers:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// DiscardErr calls fn and drops the error, for best-effort cleanup
// such as closing an adapter after the session event was published.
func DiscardErr(fn func() error) { _ = fn() }

// Stack closes layered readers (a file under a decompressor under a
// tar reader) innermost last. The zero value is ready to use.
type Stack struct {
	closers []func()
}

// Push adds c to the stack.
func (s *Stack) Push(c io.Closer) {
	s.closers = append(s.closers, func() { _ = c.Close() })
}

// PushFunc adds a close function that reports no error, such as
// (*zstd.Decoder).Close.
func (s *Stack) PushFunc(fn func()) {
	s.closers = append(s.closers, fn)
}

// Close runs every pushed closer in reverse order, once.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
