package scan

import (
	"container/heap"
	"fmt"
	"io"
	"sort"
)

// LargestFile is one entry in the top-N largest files report.
type LargestFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type largestHeap []LargestFile

func (h largestHeap) Len() int            { return len(h) }
func (h largestHeap) Less(i, j int) bool  { return h[i].Size < h[j].Size }
func (h largestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *largestHeap) Push(x interface{}) { *h = append(*h, x.(LargestFile)) }

func (h *largestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Stats summarizes a scan: how many prefixes, files and bytes were
// seen, how many files mapped to a known asset type, and the largest
// files encountered.
type Stats struct {
	// How many directory-like prefixes were walked.
	Prefixes int `json:"prefixes"`
	// How many files were seen.
	Files int `json:"files"`
	// How many files mapped to a known asset type.
	Assets int `json:"assets"`
	// How many sidecar metadata documents were found.
	Sidecars int `json:"sidecars"`
	// The total bytes seen.
	TotalBytes int64 `json:"total_bytes"`

	top_n   int
	largest largestHeap
}

// NewStats returns a Stats tracking the top_n largest files. A top_n of
// zero disables the largest-files report.
func NewStats(top_n int) *Stats {

	return &Stats{
		top_n:   top_n,
		largest: make(largestHeap, 0),
	}
}

func (s *Stats) addFile(path string, size int64) {

	s.Files += 1
	s.TotalBytes += size

	if s.top_n <= 0 {
		return
	}

	item := LargestFile{Path: path, Size: size}

	if len(s.largest) < s.top_n {
		heap.Push(&s.largest, item)
		return
	}

	if size > s.largest[0].Size {
		s.largest[0] = item
		heap.Fix(&s.largest, 0)
	}
}

// Largest returns the largest files seen, biggest first.
func (s *Stats) Largest() []LargestFile {

	out := make([]LargestFile, len(s.largest))
	copy(out, s.largest)

	sort.Slice(out, func(i, j int) bool {
		return out[i].Size > out[j].Size
	})

	return out
}

// Report writes a human-readable scan summary to w.
func (s *Stats) Report(w io.Writer) {

	fmt.Fprintf(w, "prefixes\t%d\n", s.Prefixes)
	fmt.Fprintf(w, "files\t%d\n", s.Files)
	fmt.Fprintf(w, "assets\t%d\n", s.Assets)
	fmt.Fprintf(w, "sidecars\t%d\n", s.Sidecars)
	fmt.Fprintf(w, "total size\t%s\n", FormatBytes(s.TotalBytes))

	largest := s.Largest()

	if len(largest) > 0 {

		fmt.Fprintln(w, "largest files:")

		for _, f := range largest {
			fmt.Fprintf(w, "\t%s\t%s\n", FormatBytes(f.Size), f.Path)
		}
	}
}

// FormatBytes renders a byte count using binary units.
func FormatBytes(n int64) string {

	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	v := float64(n)

	for i, u := range units {

		if v < 1024.0 || i == len(units)-1 {

			if u == "B" {
				return fmt.Sprintf("%d %s", n, u)
			}

			return fmt.Sprintf("%.2f %s", v, u)
		}

		v /= 1024.0
	}

	return fmt.Sprintf("%d B", n)
}
