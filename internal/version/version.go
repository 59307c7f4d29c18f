// Package version holds build metadata injected with -ldflags -X.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"time"
)

var (
	Number       string
	Revision     string
	RevisionTime string
)

func String() string {
	if Number == "" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			return "dgramd: " + info.Main.Version
		}
		return "dgramd: development build"
	}
	return fmt.Sprintf("dgramd: v%s-%s", Number, Revision)
}

// HumanRevisionTime renders RevisionTime (unix seconds) in UTC, or "" when
// it is unset or malformed.
func HumanRevisionTime() string {
	secs, err := strconv.ParseInt(RevisionTime, 10, 64)
	if err != nil {
		return ""
	}
	return time.Unix(secs, 0).UTC().Format(time.RFC3339)
}
