package tablex

// RawTable is an unprocessed grid of text cells extracted from one page
// region, before any type interpretation. Rows may be jagged: merged or
// missing cells leave rows shorter than the modal column count and the
// normalizer must tolerate that.
type RawTable struct {
	DocID string `json:"doc_id"`
	Page  int    `json:"page"` // 1-based page index

	// Region is the line span of the table within the page, for provenance.
	Region Region `json:"region"`

	Rows [][]string `json:"rows"`

	// Confidence is the detection confidence in [0,1]. Tables below the
	// extractor's MinConfidence never leave the extractor.
	Confidence float64 `json:"confidence"`

	Quality Quality `json:"quality"`
}

// Region identifies where on a page a table was found.
type Region struct {
	FirstLine int `json:"first_line"`
	LastLine  int `json:"last_line"`
}

// Quality captures extraction-quality metrics for one table.
type Quality struct {
	PrintableRatio float64 `json:"printable_ratio"`
	ModalColumns   int     `json:"modal_columns"`
	// RowConsistency is the fraction of rows whose cell count equals the
	// modal column count.
	RowConsistency float64 `json:"row_consistency"`
}

// PageIssue records a recovered per-page failure. The run continues with the
// remaining pages; issues surface on the final report as data-quality gaps.
type PageIssue struct {
	DocID  string `json:"doc_id"`
	Page   int    `json:"page"`
	Reason string `json:"reason"`
}
