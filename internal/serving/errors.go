package serving

import "errors"

var (
	ErrUnknownModel     = errors.New("unknown model key")
	ErrUnsupportedInput = errors.New("unsupported input kind for model type")
	ErrPreprocess       = errors.New("preprocessing failed")
	ErrModelExecution   = errors.New("model execution failed")
	ErrPostprocess      = errors.New("postprocessing failed")
	ErrExport           = errors.New("export failed")
	ErrUnknownJob       = errors.New("unknown job id")
)
