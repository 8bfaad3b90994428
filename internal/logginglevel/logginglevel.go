package logginglevel

import (
	"fmt"
	"log/slog"
	"strings"
)

var Level = new(slog.LevelVar)

func Set(level string) error {
	var parsed slog.Level

	if err := parsed.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("unsupported log level %q: %w", level, err)
	}

	Level.Set(parsed)

	return nil
}
