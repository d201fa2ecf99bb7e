//go:build !linux

package capability

// DetectTPM is only implemented for Linux device nodes.
func DetectTPM(path string) (*TPMInfo, error) {
	return nil, ErrNoTPM
}
