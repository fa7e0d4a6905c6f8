package access

// Tier is a storage temperature recommendation. Lower is hotter, so the
// minimum over several blobs is the hottest.
type Tier int

const (
	Hot Tier = iota
	Cool
	Archive
)

func (t Tier) String() string {
	switch t {
	case Hot:
		return "hot"
	case Cool:
		return "cool"
	case Archive:
		return "archive"
	}
	return "unknown"
}

// Score weights per signal.
const (
	nearPastWeight = 0.45
	pastWeight     = 0.35
	recentWeight   = 0.20

	hotThreshold  = 0.75
	coolThreshold = 0.40
)

// Counts are access counts of one blob per stage.
type Counts struct {
	Recent   int64 // raw events not yet folded
	NearPast int64 // current-year month buckets
	Past     int64 // closed years
}

// TierForScore maps a combined score in [0, 1] to a tier.
func TierForScore(score float64) Tier {
	switch {
	case score >= hotThreshold:
		return Hot
	case score >= coolThreshold:
		return Cool
	default:
		return Archive
	}
}

// maxima tracks the largest counts observed so far. Every count is
// normalised by its maximum, which starts at 1.
type maxima struct {
	recent, nearPast, past int64
}

func newMaxima() maxima {
	return maxima{recent: 1, nearPast: 1, past: 1}
}

// observe folds c into the running maxima and returns its combined score.
func (m *maxima) observe(c Counts) float64 {
	m.recent = max(m.recent, c.Recent)
	m.nearPast = max(m.nearPast, c.NearPast)
	m.past = max(m.past, c.Past)

	return nearPastWeight*float64(c.NearPast)/float64(m.nearPast) +
		pastWeight*float64(c.Past)/float64(m.past) +
		recentWeight*float64(c.Recent)/float64(m.recent)
}
