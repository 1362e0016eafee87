package config

import (
	"github.com/dgnsrekt/livefeed/internal/throttle"
	"github.com/dgnsrekt/livefeed/internal/wire"
)

// DefaultSubprotocols are offered when the config names none.
var DefaultSubprotocols = wire.Subprotocols()

// DefaultPatterns are the kind fragments throttled by default.
var DefaultPatterns = throttle.DefaultPatterns

// ValidSubprotocols lists the subprotocols a codec exists for
var ValidSubprotocols = map[string]bool{
	wire.SubprotocolJSON:     true,
	wire.SubprotocolProtobuf: true,
}

// ValidLogLevels lists the accepted logging.level values
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}
