package events

// Event names emitted by the relay itself.
const (
	ContextCreated    = "browsingContext.contextCreated"
	ContextDestroyed  = "browsingContext.contextDestroyed"
	NavigationStarted = "browsingContext.navigationStarted"
	DOMContentLoaded  = "browsingContext.domContentLoaded"
	Load              = "browsingContext.load"
	LogEntryAdded     = "log.entryAdded"
	BeforeRequestSent = "network.beforeRequestSent"
	ResponseStarted   = "network.responseStarted"
	ResponseCompleted = "network.responseCompleted"
)

var builtinModules = []Module{
	{Name: "browser"},
	{
		Name: "browsingContext",
		Events: []string{
			ContextCreated,
			ContextDestroyed,
			DOMContentLoaded,
			"browsingContext.downloadEnd",
			"browsingContext.downloadWillBegin",
			"browsingContext.fragmentNavigated",
			"browsingContext.historyUpdated",
			Load,
			"browsingContext.navigationAborted",
			"browsingContext.navigationCommitted",
			"browsingContext.navigationFailed",
			NavigationStarted,
			"browsingContext.userPromptClosed",
			"browsingContext.userPromptOpened",
		},
	},
	{Name: "emulation"},
	{
		Name:   "input",
		Events: []string{"input.fileDialogOpened"},
	},
	{
		Name:   "log",
		Events: []string{LogEntryAdded},
	},
	{
		Name: "network",
		Events: []string{
			"network.authRequired",
			BeforeRequestSent,
			"network.fetchError",
			ResponseCompleted,
			ResponseStarted,
		},
	},
	{
		Name: "script",
		Events: []string{
			"script.message",
			"script.realmCreated",
			"script.realmDestroyed",
		},
	},
	{Name: "session"},
	{Name: "storage"},
	{Name: "webExtension"},
}

// FromConfig converts the config's extra_modules table (module name to bare
// event names) into module declarations.
func FromConfig(extra map[string][]string) []Module {
	modules := make([]Module, 0, len(extra))
	for name, events := range extra {
		m := Module{Name: name}
		for _, ev := range events {
			m.Events = append(m.Events, name+"."+ev)
		}
		modules = append(modules, m)
	}
	return modules
}
