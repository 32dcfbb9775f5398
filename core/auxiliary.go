package core

import "sync"

// AuxiliaryEngineName is the name of the engine returned by AuxiliaryEngine.
const AuxiliaryEngineName = "auxiliary engine"

var (
	auxiliaryOnce   sync.Once
	auxiliaryEngine *Engine
)

// AuxiliaryEngine returns the process-wide engine used by tasks that have no
// target, current or default engine. Something must drive its Mainloop; see
// taskengine.InitAuxiliaryThread.
func AuxiliaryEngine() *Engine {
	auxiliaryOnce.Do(func() {
		auxiliaryEngine = NewEngine(AuxiliaryEngineName, 0)
	})
	return auxiliaryEngine
}
