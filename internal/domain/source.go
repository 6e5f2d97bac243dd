package domain

// Source identifies which feed produced a sample.
type Source string

const (
	SourcePoll      Source = "poll"
	SourcePoolEvent Source = "pool-event"
)

// String returns the string representation of Source.
func (s Source) String() string {
	return string(s)
}

// IsValid checks if the source is a valid value.
func (s Source) IsValid() bool {
	return s == SourcePoll || s == SourcePoolEvent
}
