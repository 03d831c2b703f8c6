package littlefs

import "github.com/xila-project/core/internal/kernelerrors"

// errOutOfRange signals a programming error in the CTZ navigation code
// (an out-of-bounds logical index), never expected to surface to a
// caller; it is mapped to ErrInternalError wherever it would otherwise
// escape the package.
var errOutOfRange = kernelerrors.Internal(kernelerrors.ErrInvalidParameter)
