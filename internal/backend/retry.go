package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	retryAttempts = 4
	retryBase     = 250 * time.Millisecond
)

// Retry runs op, repeating it with exponential backoff while it fails
// with ErrTransient. Any other error, including success, ends the loop
// immediately. The context bounds the total wait.
func Retry(ctx context.Context, what string, op func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == retryAttempts-1 {
			break
		}
		logrus.WithError(err).WithField("op", what).Debugf("transient failure, retrying in %v", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
