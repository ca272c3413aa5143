package firmware

import "path/filepath"

// Fixed names inside the work directory and the package.
const (
	ArchiveName       = "fwpackage.bin"
	DirName           = "fwpackage"
	ScriptDirName     = "fw"
	UpgradeScriptName = "fw_upgrade.sh"
	CheckScriptName   = "check_result.sh"
)

// Paths locates one package on local storage.
type Paths struct {
	Archive       string
	Dir           string
	UpgradeScript string
	CheckScript   string
}

// DefaultPaths lays a package out under workDir.
func DefaultPaths(workDir string) Paths {
	dir := filepath.Join(workDir, DirName)
	return Paths{
		Archive:       filepath.Join(workDir, ArchiveName),
		Dir:           dir,
		UpgradeScript: filepath.Join(dir, ScriptDirName, UpgradeScriptName),
		CheckScript:   filepath.Join(dir, ScriptDirName, CheckScriptName),
	}
}

// ScriptDir is the working directory scripts run in.
func (p Paths) ScriptDir() string {
	return filepath.Dir(p.UpgradeScript)
}
