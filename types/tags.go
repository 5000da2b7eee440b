package types

import "sort"

// Tags is the key/value tag set observed on a resource.
type Tags map[string]string

// TagPair is a single key/value entry.
type TagPair struct {
	Key   string
	Value string
}

// Pairs returns the tags sorted by key, then value.
func (t Tags) Pairs() []TagPair {
	pairs := make([]TagPair, 0, len(t))
	for k, v := range t {
		pairs = append(pairs, TagPair{Key: k, Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Key != pairs[j].Key {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value < pairs[j].Value
	})
	return pairs
}

// TagsFromEntities builds a tag set from persisted tag rows.
func TagsFromEntities(tags []ResourceTag) Tags {
	out := make(Tags, len(tags))
	for _, tag := range tags {
		out[tag.Key] = tag.Value
	}
	return out
}
