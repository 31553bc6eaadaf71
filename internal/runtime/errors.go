package runtime

import "errors"

var (
	errHeaderInjection  = errors.New("runtime: header value contains CR or LF")
	errSignatureMissing = errors.New("runtime: required public key supplied but module is unsigned")
	errSignatureInvalid = errors.New("runtime: signature verification failed")
	errModuleNotFound   = errors.New("runtime: module not found")
	errModuleInUse      = errors.New("runtime: module still referenced, refusing unload")
	errTypeMismatch     = errors.New("runtime: module type does not match requested entry")
	errURLScheme        = errors.New("runtime: url scheme must be http or https")
	errBodyTooLarge     = errors.New("runtime: request body exceeds 1 MiB limit")
	errContentTypeEmpty = errors.New("runtime: Content-Type is required for POST/PUT")
)
