package notify

import (
	"context"
	"fmt"
	"io"
)

// Console prints build results to a writer. Always registered; useful
// for local engines and as the lowest-friction notifier in tests.
type Console struct {
	out io.Writer
}

// NewConsole returns a console notifier writing to the given writer.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Type() string { return "console" }

func (c *Console) Notify(_ context.Context, res *BuildResult, _ map[string]string) error {
	_, err := fmt.Fprintln(c.out, subject(res))
	return err
}
