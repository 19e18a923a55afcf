package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/storage"
)

// DecodeJobCursor parses an opaque page cursor; an empty string means the first page
func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	sortKey, jobID, ok := strings.Cut(string(decoded), "|")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(sortKey, "%d", &nanos); err != nil {
		return nil, fmt.Errorf("invalid sort key in cursor: %w", err)
	}

	return &storage.JobCursor{
		SortKey: time.Unix(0, nanos).UTC(),
		JobID:   jobID,
	}, nil
}

// EncodeJobCursor renders the cursor for the page after the given position
func EncodeJobCursor(cursor *storage.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.SortKey.UnixNano(), cursor.JobID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
