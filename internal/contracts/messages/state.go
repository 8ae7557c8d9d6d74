package messages

import (
	"github.com/keyleu/secure-messaging/internal/engine/storage"
)

// Config bounds pagination.
type Config struct {
	DefaultQueryLimit uint32 `json:"default_query_limit"`
	MaxQueryLimit     uint32 `json:"max_query_limit"`
}

func (c Config) validate() error {
	if c.DefaultQueryLimit == 0 || c.DefaultQueryLimit > c.MaxQueryLimit {
		return ErrInvalidConfig.WithDetails("need 1 <= default (%d) <= max (%d)", c.DefaultQueryLimit, c.MaxQueryLimit)
	}
	return nil
}

var (
	configItem   = storage.NewItem[Config]("config")
	userMessages = storage.NewMap[[]Message]("user_messages")
)
