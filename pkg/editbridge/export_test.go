package editbridge

import "fmt"

// SendRaw writes an undecoded frame to a pipe end, such as a message of an
// unknown type.
func SendRaw(b Bus, data []byte) error {
	c, ok := b.(*chanBus)
	if !ok {
		return fmt.Errorf("raw send not supported by %T", b)
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}
