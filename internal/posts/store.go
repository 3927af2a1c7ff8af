// Package posts holds the locally known post collection and the set of posts authored by this client.
package posts

import (
	"sort"
	"sync"

	"github.com/coachpo/threadline/internal/protocol"
)

// Store is the mutex-protected post collection of the current view. Inserts
// are idempotent: the first record for an id wins.
type Store struct {
	mu    sync.RWMutex
	posts map[uint64]*protocol.Post
}

// NewStore creates an empty post collection.
func NewStore() *Store {
	store := new(Store)
	store.posts = make(map[uint64]*protocol.Post)
	return store
}

// Insert adds post unless its id is already held. It reports whether the post was added.
func (s *Store) Insert(post protocol.Post) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.posts[post.ID]; exists {
		return false
	}
	clone := clonePost(post)
	s.posts[post.ID] = &clone
	return true
}

// Has reports whether id is held locally.
func (s *Store) Has(id uint64) bool {
	s.mu.RLock()
	_, ok := s.posts[id]
	s.mu.RUnlock()
	return ok
}

// Get returns a copy of the post.
func (s *Store) Get(id uint64) (protocol.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.posts[id]
	if !ok {
		return protocol.Post{}, false
	}
	return clonePost(*post), true
}

// Len returns the number of held posts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}

// IDs returns the held ids in ascending order.
func (s *Store) IDs() []uint64 {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.posts))
	for id := range s.posts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Open returns copies of every post still being edited, ordered by id.
func (s *Store) Open() []protocol.Post {
	s.mu.RLock()
	out := make([]protocol.Post, 0)
	for _, post := range s.posts {
		if post.Editing {
			out = append(out, clonePost(*post))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MinReplyID returns the smallest held id other than thread itself.
func (s *Store) MinReplyID(thread uint64) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		min   uint64
		found bool
	)
	for id := range s.posts {
		if id == thread {
			continue
		}
		if !found || id < min {
			min = id
			found = true
		}
	}
	return min, found
}

// Clear drops every post. Used when the view changes.
func (s *Store) Clear() {
	s.mu.Lock()
	s.posts = make(map[uint64]*protocol.Post)
	s.mu.Unlock()
}

// IsDeleted reports whether a held post is marked deleted.
func (s *Store) IsDeleted(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.posts[id]
	return ok && post.Deleted
}

// MarkDeleted flags a held post as deleted. It reports whether anything changed.
func (s *Store) MarkDeleted(id uint64) bool {
	return s.update(id, func(p *protocol.Post) bool {
		if p.Deleted {
			return false
		}
		p.Deleted = true
		return true
	})
}

// MarkBanned flags the author of a held post as banned for it.
func (s *Store) MarkBanned(id uint64) bool {
	return s.update(id, func(p *protocol.Post) bool {
		if p.Banned {
			return false
		}
		p.Banned = true
		return true
	})
}

// SetImage attaches image metadata to a held post.
func (s *Store) SetImage(id uint64, image protocol.Image) bool {
	return s.update(id, func(p *protocol.Post) bool {
		img := image
		p.Image = &img
		return true
	})
}

// RemoveImage drops the attachment of a held post.
func (s *Store) RemoveImage(id uint64) bool {
	return s.update(id, func(p *protocol.Post) bool {
		if p.Image == nil {
			return false
		}
		p.Image = nil
		return true
	})
}

// Close marks an open post as finished.
func (s *Store) Close(id uint64) bool {
	return s.update(id, func(p *protocol.Post) bool {
		if !p.Editing {
			return false
		}
		p.Editing = false
		return true
	})
}

// SetBody replaces the body of a held post.
func (s *Store) SetBody(id uint64, body string) bool {
	return s.update(id, func(p *protocol.Post) bool {
		if p.Body == body {
			return false
		}
		p.Body = body
		return true
	})
}

// Append adds text to an open post.
func (s *Store) Append(id uint64, text string) bool {
	return s.update(id, func(p *protocol.Post) bool {
		if !p.Editing || text == "" {
			return false
		}
		p.Body += text
		return true
	})
}

// Backspace removes the last rune of an open post.
func (s *Store) Backspace(id uint64) bool {
	return s.update(id, func(p *protocol.Post) bool {
		if !p.Editing || p.Body == "" {
			return false
		}
		runes := []rune(p.Body)
		p.Body = string(runes[:len(runes)-1])
		return true
	})
}

// Splice replaces length runes at start with text in an open post. Out of
// range requests are clamped to the body.
func (s *Store) Splice(id uint64, start, length int, text string) bool {
	return s.update(id, func(p *protocol.Post) bool {
		if !p.Editing {
			return false
		}
		p.Body = SpliceRunes(p.Body, start, length, text)
		return true
	})
}

// SpliceRunes applies a splice to body, clamping start and length.
func SpliceRunes(body string, start, length int, text string) string {
	runes := []rune(body)
	if start < 0 {
		start = 0
	}
	if start > len(runes) {
		start = len(runes)
	}
	end := len(runes)
	if length >= 0 && length <= len(runes)-start {
		end = start + length
	}
	out := make([]rune, 0, len(runes)-(end-start)+len(text))
	out = append(out, runes[:start]...)
	out = append(out, []rune(text)...)
	out = append(out, runes[end:]...)
	return string(out)
}

func (s *Store) update(id uint64, fn func(*protocol.Post) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[id]
	if !ok {
		return false
	}
	return fn(post)
}

func clonePost(post protocol.Post) protocol.Post {
	clone := post
	if post.Image != nil {
		img := *post.Image
		clone.Image = &img
	}
	return clone
}
