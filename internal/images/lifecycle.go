package images

// MergeScraped appends freshly discovered URLs to Unserved. URLs that are
// empty, already served, already unserved, or repeated within urls are
// skipped so the two sets stay disjoint. It returns the number appended.
func MergeScraped(rec *Record, urls []string) int {
	if rec == nil || len(urls) == 0 {
		return 0
	}
	known := make(map[string]struct{}, len(rec.Unserved)+len(rec.Served)+len(urls))
	for _, u := range rec.Served {
		known[u] = struct{}{}
	}
	for _, u := range rec.Unserved {
		known[u] = struct{}{}
	}
	added := 0
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, dup := known[u]; dup {
			continue
		}
		known[u] = struct{}{}
		rec.Unserved = append(rec.Unserved, u)
		added++
	}
	return added
}

// MarkServed removes every occurrence of urls from Unserved and inserts them
// into Served if absent. Applying it twice is a no-op.
func MarkServed(rec *Record, urls []string) {
	if rec == nil || len(urls) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		drop[u] = struct{}{}
	}

	kept := make([]string, 0, len(rec.Unserved))
	for _, u := range rec.Unserved {
		if _, ok := drop[u]; !ok {
			kept = append(kept, u)
		}
	}
	rec.Unserved = kept

	served := make(map[string]struct{}, len(rec.Served))
	for _, u := range rec.Served {
		served[u] = struct{}{}
	}
	for _, u := range urls {
		if _, ok := served[u]; ok {
			continue
		}
		served[u] = struct{}{}
		rec.Served = append(rec.Served, u)
	}
}

// Commit applies a selection: remaining becomes the new Unserved and picked
// moves into Served.
func Commit(rec *Record, picked, remaining []string) {
	if rec == nil {
		return
	}
	rec.Unserved = cloneStrings(remaining)
	if rec.Unserved == nil {
		rec.Unserved = []string{}
	}
	MarkServed(rec, picked)
}
