package sinks

import (
	"fmt"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
)

// FileSummary renders an upload the way it is stored in text audit records:
// "title [fileId mediaType]".
func FileSummary(event audit.FileEvent) string {
	return fmt.Sprintf("%s [%s %s]", event.Title, event.FileID, event.MediaType)
}
