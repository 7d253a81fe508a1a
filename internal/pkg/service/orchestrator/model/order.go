package model

// WorkOrder is the envelope handed to a worker node.
// The same shape travels over both transports, HTTP body and MQTT payload.
type WorkOrder struct {
	SubTaskID string         `json:"subTaskId" validate:"required"`
	TaskID    string         `json:"taskId" validate:"required"`
	Source    Source         `json:"source" validate:"required"`
	Analysis  AnalysisConfig `json:"analysis" validate:"required"`
	Result    ResultConfig   `json:"result"`
}

// AnalysisConfig carries the per-subtask inference parameters.
type AnalysisConfig struct {
	ModelCode string `json:"modelCode" validate:"required"`
	// AnalysisType mirrors the source type so a node can validate the pairing.
	AnalysisType TaskType `json:"analysisType" validate:"required,oneof=image video stream"`
	// AnalysisInterval is the frame sampling interval for video and stream sources.
	AnalysisInterval int         `json:"analysisInterval,omitempty" validate:"omitempty,min=1"`
	Confidence       float64     `json:"confidence,omitempty" validate:"omitempty,min=0,max=1"`
	ROI              *RegionSpec `json:"roi,omitempty"`
}

// RegionSpec restricts analysis to a normalized rectangle, values in [0,1].
type RegionSpec struct {
	X1 float64 `json:"x1" validate:"min=0,max=1"`
	Y1 float64 `json:"y1" validate:"min=0,max=1"`
	X2 float64 `json:"x2" validate:"min=0,max=1,gtfield=X1"`
	Y2 float64 `json:"y2" validate:"min=0,max=1,gtfield=Y1"`
}

// ResultConfig tells the node where and whether to publish results.
type ResultConfig struct {
	SaveResult    bool   `json:"saveResult"`
	SaveImages    bool   `json:"saveImages"`
	CallbackTopic string `json:"callbackTopic,omitempty"`
}
