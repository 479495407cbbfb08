package gpu

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret  nvml.Return
	desc string
}

func (e *nvmlError) Error() string {
	return e.desc
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(lib nvml.Interface, ret nvml.Return) error {
	return &nvmlError{ret: ret, desc: lib.ErrorString(ret)}
}

// IsNVMLSuccess checks if a Return value indicates success
func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}
