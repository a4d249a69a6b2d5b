package physical

import (
	"github.com/stephnangue/grantor/logger"
)

// Factory is the factory function to create a storage backend.
type Factory func(config map[string]string, log logger.Logger) (Storage, error)
