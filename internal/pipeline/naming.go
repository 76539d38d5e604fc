package pipeline

import (
	"path"
	"strings"
	"time"
)

const runDirLayout = "2006-01-02_15_04_05"

// artifactNames holds the persisted names derived from one input file name.
// For "name.ext" they are name_output.ext, name_error.ext, name_metadata.ext
// and the raw copy name.ext.
type artifactNames struct {
	Base     string
	Raw      string
	Output   string
	Error    string
	Metadata string
}

func namesFor(fileName string) artifactNames {
	ext := path.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	return artifactNames{
		Base:     base,
		Raw:      fileName,
		Output:   base + "_output" + ext,
		Error:    base + "_error" + ext,
		Metadata: base + "_metadata" + ext,
	}
}

// runDirName groups one run's artifacts under <base>_<YYYY-MM-DD_HH_MM_SS>.
func runDirName(base string, t time.Time) string {
	return base + "_" + t.Format(runDirLayout)
}
