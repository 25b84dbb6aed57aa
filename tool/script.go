package tool

// Script is a registered code artifact run through the sandbox. Code
// factories in the registry return either a Tool (in-process) or a
// *Script (sandboxed interpreter run).
type Script struct {
	Language string   `json:"language"`
	Source   string   `json:"source"`
	Imports  []string `json:"imports,omitempty"`
}
