// Package storage holds the message log backends.
package storage

import (
	"errors"

	"github.com/ocppnet/overlay/internal/core/ports"
)

type (
	MessageStore = ports.MessageStore
	EventFilter  = ports.EventFilter
)

// DefaultListLimit caps ListEvents when the filter sets no limit.
const DefaultListLimit = 100

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store closed")
