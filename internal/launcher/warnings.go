package launcher

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/game_launcher/internal/logctx"
)

// DefaultMinFreeSpace is the free space below which LOW_ON_SPACE is reported.
const DefaultMinFreeSpace = 200 * humanize.MByte

type WarningCode string

const (
	WarningLowOnSpace        WarningCode = "LOW_ON_SPACE"
	WarningSourceUnavailable WarningCode = "SOURCE_UNAVAILABLE"
)

type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// Warnings reports conditions the user should know about: little free space under
// the install root and catalog sources that failed on the last refresh.
func (l *Launcher) Warnings(ctx context.Context) []Warning {
	var warnings []Warning

	minFree := l.cfg.MinFreeSpace
	if minFree == 0 {
		minFree = DefaultMinFreeSpace
	}

	free, err := l.freeSpace(l.manager.Root())
	switch {
	case err != nil:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to read free disk space", "dir", l.manager.Root(), "err", err)
	case free <= minFree:
		warnings = append(warnings, Warning{
			Code:    WarningLowOnSpace,
			Message: fmt.Sprintf("only %s free in %s", humanize.Bytes(free), l.manager.Root()),
		})
	}

	for _, w := range l.catalog.Snapshot().Warnings {
		warnings = append(warnings, Warning{Code: WarningSourceUnavailable, Message: w.Error()})
	}

	return warnings
}
