package hsm

import "chatroute/internal/model"

var conversationTransitions = map[model.ConversationStatus]map[model.ConversationStatus]bool{
	model.ConversationStatusNew: {
		model.ConversationStatusQueued:     true,
		model.ConversationStatusInProgress: true,
		model.ConversationStatusSolved:     true,
	},
	model.ConversationStatusQueued: {
		model.ConversationStatusInProgress: true,
		model.ConversationStatusSolved:     true,
	},
	model.ConversationStatusInProgress: {
		model.ConversationStatusSolved: true,
	},
}

var operatorTransitions = map[model.OperatorStatus]map[model.OperatorStatus]bool{
	model.OperatorStatusReady: {
		model.OperatorStatusBusy: true,
		model.OperatorStatusAway: true,
	},
	model.OperatorStatusBusy: {
		model.OperatorStatusReady: true,
		model.OperatorStatusAway:  true,
	},
	model.OperatorStatusAway: {
		model.OperatorStatusReady: true,
		model.OperatorStatusBusy:  true,
	},
}

func CanTransitionConversation(from model.ConversationStatus, to model.ConversationStatus) bool {
	if from == to {
		return true
	}
	return conversationTransitions[from][to]
}

func CanTransitionOperator(from model.OperatorStatus, to model.OperatorStatus) bool {
	if from == to {
		return true
	}
	return operatorTransitions[from][to]
}
