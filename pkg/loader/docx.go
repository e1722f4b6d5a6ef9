package loader

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const docXMLMax = 50 << 20

var blankLines = regexp.MustCompile(`\n{3,}`)

// parseDocx extracts the body text of a docx archive. Deleted runs are
// skipped, table cells are separated by tabs.
func parseDocx(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return "", errors.New("document.xml not found in docx")
	}
	if body.UncompressedSize64 > docXMLMax {
		return "", fmt.Errorf("document.xml too large: %d bytes", body.UncompressedSize64)
	}
	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open document.xml: %w", err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(io.LimitReader(rc, docXMLMax))
	var b strings.Builder
	var inText bool
	var deleted, cell int

	emit := func(s string) {
		if deleted == 0 {
			b.WriteString(s)
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse XML: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "del":
				deleted++
			case "t":
				inText = true
			case "tab":
				emit("\t")
			case "br", "cr":
				emit("\n")
			case "noBreakHyphen":
				emit("-")
			case "tr":
				cell = 0
			case "tc":
				if cell > 0 {
					emit("\t")
				}
				cell++
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p", "tr", "tbl":
				emit("\n")
			case "del":
				deleted = max(deleted-1, 0)
			}
		case xml.CharData:
			if inText {
				emit(string(t))
			}
		}
	}

	text := strings.TrimSpace(b.String())
	return blankLines.ReplaceAllString(text, "\n\n"), nil
}
