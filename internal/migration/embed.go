package migration

import "embed"

// Schema migrations ship inside the binary so the settlement service can
// bring its own schema up on start.
//
//go:embed migrations/*.up.sql
var embeddedMigrations embed.FS
