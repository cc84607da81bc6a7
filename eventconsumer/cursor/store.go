package cursor

// Store remembers, per source, the created timestamp of the last event
// processed, so a reconnect resumes after it.
type Store interface {
	Set(source string, cursor int64)
	Get(source string) (cursor int64)
}
