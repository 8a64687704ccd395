package availability

import (
	"bytes"

	pdfmodel "github.com/unidoc/unipdf/v3/model"
)

var pdfMagic = []byte("%PDF-")

// derivePDFInfo extracts the page count and title from raw PDF bytes.
// Best effort: any parse failure returns ok=false and the caller falls back
// to the host-supplied metadata.
func derivePDFInfo(data []byte) (pageCount int, title string, ok bool) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return 0, "", false
	}

	reader, err := pdfmodel.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return 0, "", false
	}

	pageCount, err = reader.GetNumPages()
	if err != nil {
		return 0, "", false
	}

	if info, err := reader.GetPdfInfo(); err == nil && info != nil && info.Title != nil {
		title = info.Title.Decoded()
	}

	return pageCount, title, true
}
