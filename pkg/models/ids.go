package models

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes. Every entity id is "<prefix>-<uuid>".
const (
	PrefixOrganization = "org"
	PrefixUser         = "user"
	PrefixAgent        = "agent"
	PrefixBlock        = "block"
	PrefixMessage      = "message"
	PrefixPassage      = "passage"
	PrefixJob          = "job"
	PrefixRun          = "run"
	PrefixStep         = "step"
	PrefixSource       = "source"
	PrefixFile         = "file"
	PrefixTool         = "tool"
)

// NewID returns a fresh prefixed identifier.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// HasPrefix reports whether id carries the given entity prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"-")
}
