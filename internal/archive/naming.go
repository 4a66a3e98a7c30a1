package archive

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msglog-engine/go-core/pkg/types"
)

const (
	archivePrefix     = "mlog"
	archiveTimeLayout = "20060102150405"
	containerSuffix   = ".asice"
	suffixLength      = 10
)

// GroupName returns the archive group a record's owner belongs to. The
// empty string is the single group of the NONE strategy.
func GroupName(strategy types.GroupingStrategy, client types.ClientID) string {
	switch strategy {
	case types.GroupingMember:
		return client.MemberID().Path()
	case types.GroupingSubsystem:
		return client.Path()
	default:
		return ""
	}
}

var unsafeNameChars = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
)

func sanitize(s string) string {
	return unsafeNameChars.Replace(s)
}

// EntryName returns the base archive entry name of a message record container
func EntryName(msg *types.MessageRecord) string {
	direction := "request"
	if msg.Response {
		direction = "response"
	}
	return sanitize(msg.QueryID) + "-" + direction + "-" + strconv.FormatInt(msg.ID, 10)
}

// ArchiveFileName builds "mlog[@group]-<start>-<end>-<suffix>.zip"
func ArchiveFileName(group string, start, end time.Time, suffix string) string {
	var b strings.Builder
	b.WriteString(archivePrefix)
	if group != "" {
		b.WriteString("@")
		b.WriteString(sanitize(group))
	}
	b.WriteString("-")
	b.WriteString(start.UTC().Format(archiveTimeLayout))
	b.WriteString("-")
	b.WriteString(end.UTC().Format(archiveTimeLayout))
	b.WriteString("-")
	b.WriteString(suffix)
	b.WriteString(".zip")
	return b.String()
}

// RandomSuffix returns an opaque archive file name suffix
func RandomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLength]
}
