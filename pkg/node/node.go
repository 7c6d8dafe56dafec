// Package node provides the public API for embedding an OCPP networking
// node. This is the stable API for external consumers.
package node

import (
	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/forwarding"
	internalnode "github.com/ocppnet/overlay/internal/node"
	"github.com/ocppnet/overlay/internal/ocpp"
	"github.com/ocppnet/overlay/internal/pkg/config"
	"github.com/ocppnet/overlay/internal/runtime"
)

// Node runs a networking node with its links, message log and admin API.
// See internal/runtime.Node for full documentation.
type Node = runtime.Node

// Option is a functional option for configuring a Node.
type Option = runtime.Option

// Config is the node configuration, see LoadConfig.
type Config = config.Config

// Core is the networking node a started Node drives.
type Core = internalnode.Node

// HandlerFunc serves requests addressed to the node.
type HandlerFunc = internalnode.HandlerFunc

// Messaging types.
type (
	Request          = ocpp.Request
	Response         = ocpp.Response
	Message          = ocpp.Message
	Result           = domain.Result
	NodeEvent        = domain.NodeEvent
	Decision         = forwarding.Decision
	DecisionKind     = forwarding.Kind
	NetworkingNodeID = domain.NetworkingNodeID
)

const (
	Forward = forwarding.Forward
	Reject  = forwarding.Reject
	Replace = forwarding.Replace
)

// New creates a new Node with the given options.
// Example:
//
//	n, err := node.New(
//	    node.WithFileConfig("config.yaml"),
//	    node.WithSQLite("./data/ocpp-node.db"),
//	)
var New = runtime.New

// LoadConfig reads a YAML file with environment overrides.
var LoadConfig = config.Load

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite       = runtime.WithSQLite
	WithMemoryStore  = runtime.WithMemoryStore
	WithMessageStore = runtime.WithMessageStore

	// Events
	WithDirectEvents   = runtime.WithDirectEvents
	WithNATSEvents     = runtime.WithNATSEvents
	WithEventPublisher = runtime.WithEventPublisher

	// Advanced options
	WithLogger             = runtime.WithLogger
	WithSignaturePolicy    = runtime.WithSignaturePolicy
	WithFilter             = runtime.WithFilter
	WithRegistry           = runtime.WithRegistry
	WithClock              = runtime.WithClock
	WithPrometheusRegistry = runtime.WithPrometheusRegistry
	WithListener           = runtime.WithListener
)
