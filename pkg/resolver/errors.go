package resolver

import "errors"

// ErrTemplateNotFound is returned when a layer references a template name
// that has no corresponding file under templates_dir.
var ErrTemplateNotFound = errors.New("resolver: template not found")
