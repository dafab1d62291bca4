//go:build !unix

package server

import (
	"errors"
	"time"
)

const pollSupported = false

func poll(conns []*Conn, timeout time.Duration) (readiness, error) {
	return readiness{broken: conns}, errors.New("readiness polling is not supported on this platform")
}
