package store

import "fmt"

// Resource names a Redis key's logical row type.
type Resource string

const (
	ResourceSession    Resource = "sessions"
	ResourceCheckpoint Resource = "checkpoints"
	ResourceCache      Resource = "cache"
	ResourceQueueEntry Resource = "queue"
)

// UserKey constructs a fully qualified Redis key for a user-owned resource.
// Format: scrapecore:users:{userID}:{resource}:{id}
func UserKey(userID string, resource Resource, id string) string {
	return fmt.Sprintf("scrapecore:users:%s:%s:%s", userID, resource, id)
}

// GlobalKey constructs a key for a process-wide resource not scoped to a
// user, such as the Provider Cache.
func GlobalKey(resource Resource, id string) string {
	return fmt.Sprintf("scrapecore:%s:%s", resource, id)
}
