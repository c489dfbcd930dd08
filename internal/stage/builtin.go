package stage

import "stageline/internal/domain"

const (
	LeadPipelineName = "leads"
	TaskBoardName    = "tasks"

	// DoneStage is the terminal task stage. Tasks in it do not count against the
	// project capacity and carry a completion timestamp.
	DoneStage = "done"
	// TodoStage is where a completed task returns when it is unchecked.
	TodoStage = "todo"
)

var (
	leadPipeline = MustNew(LeadPipelineName, true,
		Stage{ID: "frio", Label: "Frío", Color: "#64748B", NextID: "tibio"},
		Stage{ID: "tibio", Label: "Tibio", Color: "#F59E0B", NextID: "hot"},
		Stage{ID: "hot", Label: "Hot", Color: "#EF4444", NextID: "propuesta"},
		Stage{ID: "propuesta", Label: "Propuesta", Color: "#A855F7", NextID: "negociacion"},
		Stage{ID: "negociacion", Label: "Negociación", Color: "#3B82F6", NextID: "cerrado_ganado"},
		Stage{ID: "cerrado_ganado", Label: "Cerrado Ganado", Color: "#22C55E"},
		Stage{ID: "cerrado_perdido", Label: "Cerrado Perdido", Color: "#6B7280"},
	)
	taskBoard = MustNew(TaskBoardName, false,
		Stage{ID: TodoStage, Label: "Por hacer", Color: "#64748B"},
		Stage{ID: "doing", Label: "En progreso", Color: "#F59E0B"},
		Stage{ID: DoneStage, Label: "Hecho", Color: "#22C55E", Terminal: true},
		Stage{ID: "blocked", Label: "Bloqueado", Color: "#EF4444"},
	)
)

// LeadPipeline is the seven-stage sales pipeline.
func LeadPipeline() *Registry { return leadPipeline }

// TaskBoard is the four-column execution board.
func TaskBoard() *Registry { return taskBoard }

// For returns the registry associated with an entity kind.
func For(kind domain.Kind) (*Registry, bool) {
	switch kind {
	case domain.KindLead:
		return leadPipeline, true
	case domain.KindTask:
		return taskBoard, true
	}
	return nil, false
}
