package archive

import (
	"context"
	"time"
)

// NoSleep makes c retry without waiting.
func NoSleep(c *Client) *Client {
	c.sleepFunc = func(context.Context, time.Duration) error { return nil }
	return c
}
