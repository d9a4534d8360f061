package attestation

import (
	"os"
	"path/filepath"

	"github.com/onecompany/gpt/internal/gpterrors"
)

// arkFileNames maps a generation name to the DER file expected in the ARK
// directory, e.g. "Milan" -> "milan.der".
var arkFileNames = map[string]string{
	GenMilan: "milan.der",
	GenGenoa: "genoa.der",
	GenTurin: "turin.der",
}

// LoadTrustedRootsFromDir reads the compiled-in-at-deploy-time ARK
// certificates from dir, one DER file per supported generation. A missing
// file simply omits that generation from the resulting set; at least one
// generation must load successfully.
func LoadTrustedRootsFromDir(dir string) (*TrustedRoots, error) {
	arkDER := make(map[string][]byte, len(arkFileNames))
	for gen, name := range arkFileNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, gpterrors.Wrap("attestation", gpterrors.CategoryConfiguration, "read_ark_file", err)
		}
		arkDER[gen] = data
	}
	if len(arkDER) == 0 {
		return nil, gpterrors.New("attestation", gpterrors.CategoryConfiguration,
			"no ARK certificates found in "+dir)
	}
	return NewTrustedRoots(arkDER)
}
