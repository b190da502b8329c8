package domain

type RouterRequestRegisterTask struct {
	Name        string `json:"name" form:"name" binding:"required"`
	Description string `json:"description" form:"description"`
	Schedule    string `json:"schedule" form:"schedule" binding:"required,validate_schedule"`
	TaskType    string `json:"type" form:"type" binding:"required,validate_task_type"`
	Enabled     *bool  `json:"enabled" form:"enabled"`
	MaxRetries  int    `json:"max_retries" form:"max_retries" binding:"omitempty,gte=0"`
	RetryDelay  int64  `json:"retry_delay_seconds" form:"retry_delay_seconds" binding:"omitempty,gte=0"`
}

type RouterRequestRecordEvent struct {
	SubjectID    string            `json:"subject_id" binding:"required"`
	Type         string            `json:"type" binding:"required"`
	Recipient    string            `json:"recipient"`
	TemplateName string            `json:"template_name"`
	Metadata     map[string]string `json:"metadata"`
}

type RouterRequestBounce struct {
	SendID    string `json:"send_id" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
}
