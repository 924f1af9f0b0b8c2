package compositor

import "github.com/bryanchriswhite/PanoStreamer/internal/projection"

// Reporter receives the compositor's out-of-band error reports. Methods are
// called without any compositor lock held and may be called concurrently.
type Reporter interface {
	// ReportIncompleteFrame is called once for every abandoned frame.
	ReportIncompleteFrame(frameIndex uint64, missing []projection.ViewRole, reason error)

	// ReportDuplicateTile is called for a tile whose role was already merged.
	ReportDuplicateTile(frameIndex uint64, role projection.ViewRole)

	// ReportRejectedTile is called for a tile refused before merging, for
	// example with an unknown role or a mismatched resolution.
	ReportRejectedTile(frameIndex uint64, role projection.ViewRole, err error)
}

type nopReporter struct{}

func (nopReporter) ReportIncompleteFrame(uint64, []projection.ViewRole, error) {}
func (nopReporter) ReportDuplicateTile(uint64, projection.ViewRole)            {}
func (nopReporter) ReportRejectedTile(uint64, projection.ViewRole, error)      {}
