package core

import "writingstudy/pkg/domain"

type (
	Participant = domain.Participant
	Condition   = domain.Condition
	Tally       = domain.Tally
)

const (
	ConditionControl   = domain.ConditionControl
	ConditionModelText = domain.ConditionModelText
	ConditionAIWCF     = domain.ConditionAIWCF
)
