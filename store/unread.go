package store

// UnreadCounter counts unseen inbound messages per chat for one viewer.
// It is not safe for concurrent use; the owning viewer guards it.
type UnreadCounter struct {
	counts map[string]int
}

func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{counts: map[string]int{}}
}

func (u *UnreadCounter) Increment(chatID string) int {
	u.counts[chatID]++
	return u.counts[chatID]
}

func (u *UnreadCounter) Clear(chatID string) {
	delete(u.counts, chatID)
}

func (u *UnreadCounter) Count(chatID string) int {
	return u.counts[chatID]
}

func (u *UnreadCounter) Counts() map[string]int {
	cp := make(map[string]int, len(u.counts))
	for k, v := range u.counts {
		cp[k] = v
	}
	return cp
}
