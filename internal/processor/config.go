package processor

import (
	"fmt"
	"strings"

	"github.com/aaronromeo/mailrelay/internal/config"
)

// FromConfig builds the configured processor.
func FromConfig(cfg config.Processor) (Processor, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "prefix":
		return Prefix(cfg.Prefix), nil
	case "template":
		return NewTemplate(cfg.Template)
	case "webhook":
		return NewWebhook(cfg.URL, WithTimeout(cfg.Timeout))
	}
	return nil, fmt.Errorf("unknown processor type %q", cfg.Type)
}
