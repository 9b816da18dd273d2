package models

// MetricCosine is the only similarity metric the stores are created with.
const MetricCosine = "cosine"

// SearchFilter narrows a similarity search. The zero value searches every
// document.
type SearchFilter struct {
	DocumentName string
}

type StoreStats struct {
	Backend   string `json:"backend"`
	Metric    string `json:"metric"`
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
}
