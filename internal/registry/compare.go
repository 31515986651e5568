package registry

import "sort"

// Diff summarizes the differences between two versions of a model.
type Diff struct {
	Name            string             `json:"name"`
	FromVersion     string             `json:"from_version"`
	ToVersion       string             `json:"to_version"`
	SizeDelta       int64              `json:"size_delta"`
	ChecksumChanged bool               `json:"checksum_changed"`
	MetadataAdded   map[string]string  `json:"metadata_added,omitempty"`
	MetadataRemoved map[string]string  `json:"metadata_removed,omitempty"`
	MetadataChanged map[string][2]string `json:"metadata_changed,omitempty"`
	TagsAdded       []string           `json:"tags_added,omitempty"`
	TagsRemoved     []string           `json:"tags_removed,omitempty"`
	MetricDeltas    map[string]float64 `json:"metric_deltas,omitempty"`
}

// Compare diffs two registered versions of the same model.
func (r *Registry) Compare(name, fromVersion, toVersion string) (*Diff, error) {
	from, err := r.Get(name, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := r.Get(name, toVersion)
	if err != nil {
		return nil, err
	}

	diff := &Diff{
		Name:            name,
		FromVersion:     fromVersion,
		ToVersion:       toVersion,
		SizeDelta:       to.SizeBytes - from.SizeBytes,
		ChecksumChanged: from.Checksum != to.Checksum,
	}

	for k, v := range to.Metadata {
		old, ok := from.Metadata[k]
		switch {
		case !ok:
			if diff.MetadataAdded == nil {
				diff.MetadataAdded = make(map[string]string)
			}
			diff.MetadataAdded[k] = v
		case old != v:
			if diff.MetadataChanged == nil {
				diff.MetadataChanged = make(map[string][2]string)
			}
			diff.MetadataChanged[k] = [2]string{old, v}
		}
	}
	for k, v := range from.Metadata {
		if _, ok := to.Metadata[k]; !ok {
			if diff.MetadataRemoved == nil {
				diff.MetadataRemoved = make(map[string]string)
			}
			diff.MetadataRemoved[k] = v
		}
	}

	fromTags := make(map[string]bool, len(from.Tags))
	for _, t := range from.Tags {
		fromTags[t] = true
	}
	toTags := make(map[string]bool, len(to.Tags))
	for _, t := range to.Tags {
		toTags[t] = true
	}
	for t := range toTags {
		if !fromTags[t] {
			diff.TagsAdded = append(diff.TagsAdded, t)
		}
	}
	for t := range fromTags {
		if !toTags[t] {
			diff.TagsRemoved = append(diff.TagsRemoved, t)
		}
	}
	sort.Strings(diff.TagsAdded)
	sort.Strings(diff.TagsRemoved)

	for k, v := range to.Metrics {
		if old, ok := from.Metrics[k]; ok && old != v {
			if diff.MetricDeltas == nil {
				diff.MetricDeltas = make(map[string]float64)
			}
			diff.MetricDeltas[k] = v - old
		}
	}

	return diff, nil
}
