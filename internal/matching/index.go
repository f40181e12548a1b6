package matching

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"matchbot/internal/storage"
	"matchbot/pkg/logx"
)

// Candidate is a similarity-scored potential partner.
type Candidate struct {
	User       *storage.User
	Similarity float64
}

// CandidateStore loads eligible users of a role; scoring stays in-process
// because SQLite has no vector operator.
type CandidateStore interface {
	CandidatesByRole(ctx context.Context, role string, excludeID int64) ([]*storage.User, error)
}

// Index performs nearest-neighbor search over profile embeddings. Normalized
// vectors are cached keyed by user and profile revision, so repeated rounds
// only renormalize changed profiles.
type Index struct {
	store CandidateStore
	cache *gocache.Cache
	log   logx.Logger
}

func NewIndex(store CandidateStore, log logx.Logger) *Index {
	return &Index{
		store: store,
		cache: gocache.New(12*time.Hour, 30*time.Minute),
		log:   log,
	}
}

// Search returns candidates of the target role ordered by descending cosine
// similarity, filtered by the minimum threshold, capped at topK, with the
// excluded set (prior partners) removed.
func (ix *Index) Search(ctx context.Context, source *storage.User, role string, threshold float64, topK int, exclude map[int64]bool) ([]Candidate, error) {
	if len(source.Embedding) == 0 {
		return nil, nil
	}
	users, err := ix.store.CandidatesByRole(ctx, role, source.TelegramID)
	if err != nil {
		return nil, err
	}

	src := ix.normalized(source)
	out := make([]Candidate, 0, len(users))
	for _, u := range users {
		if exclude[u.TelegramID] {
			continue
		}
		v := ix.normalized(u)
		if len(v) != len(src) {
			continue
		}
		sim := dot(src, v)
		if sim < threshold {
			continue
		}
		out = append(out, Candidate{User: u, Similarity: sim})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (ix *Index) normalized(u *storage.User) []float64 {
	key := fmt.Sprintf("%d:%d", u.TelegramID, u.ProfileUpdatedAt.UnixMilli())
	if v, ok := ix.cache.Get(key); ok {
		return v.([]float64)
	}
	v := normalize(u.Embedding)
	ix.cache.SetDefault(key, v)
	return v
}

func normalize(v []float32) []float64 {
	out := make([]float64, len(v))
	var norm float64
	for i, x := range v {
		out[i] = float64(x)
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return out
	}
	for i := range out {
		out[i] /= norm
	}
	return out
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
