package xstream

import "context"

// Publish appends fields as a new entry on stream.
func (c *Container) Publish(ctx context.Context, stream string, fields map[string]any) (string, error) {
	if c.closed.Load() {
		return "", ErrContainerClosed
	}
	if stream == "" {
		return "", ErrInvalidStream
	}
	if len(fields) == 0 {
		return "", ErrEmptyFields
	}
	id, err := c.store.Append(ctx, stream, fields)
	if err != nil {
		c.metrics.errors.Add(1)
		return "", err
	}
	return id, nil
}
