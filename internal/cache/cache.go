// Package cache は投稿IDをキーとするプロセス内キャッシュを提供する。
// 永続化は行わず、プロセスの生存期間中のみ保持する。
package cache

import (
	"sort"
	"sync"

	"github.com/hitoshi/tgfeed/internal/model"
)

// PostCache は投稿をIDで一意に保持し、タイムスタンプ降順のビューを提供する。
// 全ての状態は1つのRWMutexで保護される。
type PostCache struct {
	mu         sync.RWMutex
	entries    map[string]model.Post
	ordered    []model.Post
	oldestID   *int64
	endReached bool
}

// New は空のPostCacheを生成する。
func New() *PostCache {
	return &PostCache{
		entries: make(map[string]model.Post),
	}
}

// Upsert は投稿を挿入または同じIDの既存エントリを置き換え、順序ビューを再ソートする。
// 新規IDだった場合にtrueを返す。
func (c *PostCache) Upsert(post model.Post) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.entries[post.ID]
	c.entries[post.ID] = post.Clone()
	c.rebuildLocked()
	return !exists
}

// UpsertAll は複数の投稿をまとめて反映し、新規だった投稿をページ内の順序で返す。
// 再ソートは1回だけ行う。
func (c *PostCache) UpsertAll(posts []model.Post) []model.Post {
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []model.Post
	for _, p := range posts {
		if _, exists := c.entries[p.ID]; !exists {
			added = append(added, p.Clone())
		}
		c.entries[p.ID] = p.Clone()
	}
	c.rebuildLocked()
	return added
}

// rebuildLocked はエントリから順序ビューを作り直す。呼び出し側でロックを保持すること。
// タイムスタンプが同じ場合はメッセージIDの大きい方を先にする。
func (c *PostCache) rebuildLocked() {
	ordered := make([]model.Post, 0, len(c.entries))
	for _, p := range c.entries {
		ordered = append(ordered, p)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timestamp != ordered[j].Timestamp {
			return ordered[i].Timestamp > ordered[j].Timestamp
		}
		return lessID(ordered[j].ID, ordered[i].ID)
	})
	c.ordered = ordered
}

// lessID は数値IDとして比較する。桁数が違えば短い方が小さい。
func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Slice は順序ビューのoffsetからlimit件までを返す。
// ビューが短い場合は返せる分だけ返す。範囲外なら空スライス。
func (c *PostCache) Slice(offset, limit int) []model.Post {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || offset >= len(c.ordered) {
		return []model.Post{}
	}
	end := offset + limit
	if end > len(c.ordered) {
		end = len(c.ordered)
	}

	out := make([]model.Post, 0, end-offset)
	for _, p := range c.ordered[offset:end] {
		out = append(out, p.Clone())
	}
	return out
}

// Size は保持している投稿数を返す。
func (c *PostCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Has は指定IDの投稿を保持しているかを返す。
func (c *PostCache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[id]
	return ok
}

// OldestLoadedID はこれまでに取得した最小のメッセージIDを返す。未取得ならnil。
func (c *PostCache) OldestLoadedID() *int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.oldestID == nil {
		return nil
	}
	id := *c.oldestID
	return &id
}

// AdvanceOldest は指定IDが現在の最小IDより小さい場合のみ更新する。
func (c *PostCache) AdvanceOldest(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.oldestID == nil || id < *c.oldestID {
		c.oldestID = &id
	}
}

// EndReached はチャンネルを最後まで取得し終えたかを返す。
func (c *PostCache) EndReached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endReached
}

// MarkEndReached はチャンネルを取得し終えた状態にする。
func (c *PostCache) MarkEndReached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endReached = true
}

// Reset は全ての状態を破棄し、生成直後の状態に戻す。
func (c *PostCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]model.Post)
	c.ordered = nil
	c.oldestID = nil
	c.endReached = false
}
