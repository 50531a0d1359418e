// Package parking holds the addresses and wire payloads shared by the
// parking-enforcement services. Field names are the JSON keys every service
// already speaks, so they stay in Portuguese.
package parking

import (
	"time"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
)

// Queues on the default exchange.
const (
	QueuePayment         = "queue_pagamento"
	QueueCredit          = "queue_credito"
	QueueCreditList      = "credit_list"
	QueueFiscalQuery     = "fiscalizacao_consulta"
	QueueFineNotice      = "fiscalizacao_multa"
	QueueNotification    = "queue_notificacao"
	QueueVehicleRegister = "vehicle_register"
	QueueVehicleList     = "vehicle_list"
)

const (
	// DefaultEventsExchange is the topic exchange irregularity events are published on.
	DefaultEventsExchange = "exchange_fiscalizacao"
	// DefaultReplyExchange is where replies go when replies use topic routing.
	DefaultReplyExchange = "amq.topic"

	KeyIrregularityDetected = "irregularidade.detectada"
	KeyVehicleRegistered    = "placa.registrada"

	// ReplyQueuePrefix prefixes every RPC client's private reply queue.
	ReplyQueuePrefix = "replies/"
)

// IrregularityEvents addresses the irregularity-detected event on an events exchange.
func IrregularityEvents(exchange string) cbus.Address {
	return cbus.Topic(exchange, KeyIrregularityDetected)
}

// VehicleRegisteredEvents addresses the event published when a new vehicle is registered.
// Its payload is a Vehicle.
func VehicleRegisteredEvents(exchange string) cbus.Address {
	return cbus.Topic(exchange, KeyVehicleRegistered)
}

// PurchaseRequest is what a client sends to QueuePayment.
type PurchaseRequest struct {
	Placa        string `json:"placa"`
	Zona         string `json:"zona,omitempty"`
	DuracaoHoras int    `json:"duracao_horas"`
	UserID       string `json:"user_id,omitempty"`
	Origem       string `json:"origem,omitempty"`
}

// CreditPurchased is forwarded by payment to QueueCredit. The envelope keeps the
// caller's correlation_id and reply_to.
type CreditPurchased struct {
	OrderID      string `json:"order_id"`
	Placa        string `json:"placa"`
	Zona         string `json:"zona,omitempty"`
	DuracaoHoras int    `json:"duracao_horas"`
	Origem       string `json:"origem,omitempty"`
}

// CreditReply answers a purchase.
type CreditReply struct {
	Success  bool       `json:"success"`
	OrderID  string     `json:"order_id,omitempty"`
	Message  string     `json:"message,omitempty"`
	ExpiraEm *time.Time `json:"expira_em,omitempty"`
	Error    string     `json:"error,omitempty"`
}

type CreditListRequest struct {
	Placa string `json:"placa"`
}

// Credit is the wire form of one credit window.
type Credit struct {
	ID         string    `json:"id"`
	Placa      string    `json:"placa"`
	Zona       string    `json:"zona,omitempty"`
	CompradoEm time.Time `json:"comprado_em"`
	ExpiraEm   time.Time `json:"expira_em"`
	Origem     string    `json:"origem"`
	OrderID    string    `json:"order_id"`
	Ativo      bool      `json:"ativo"`
}

type CreditListReply struct {
	Success bool     `json:"success"`
	Credits []Credit `json:"credits"`
	Error   string   `json:"error,omitempty"`
}

// FiscalQuery asks whether a vehicle currently holds an active credit.
type FiscalQuery struct {
	Placa       string `json:"placa"`
	Localizacao string `json:"localizacao,omitempty"`
}

// FiscalReply reports Status true for a regular vehicle.
type FiscalReply struct {
	Status   bool       `json:"status"`
	Mensagem string     `json:"mensagem"`
	ExpiraEm *time.Time `json:"expira_em,omitempty"`
}

// IrregularityDetected is published once per irregular fiscal query.
type IrregularityDetected struct {
	Placa       string    `json:"placa"`
	Localizacao string    `json:"localizacao,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Motivo      string    `json:"motivo"`
}

// FineNotice is sent fire-and-forget to QueueFineNotice after an irregular query.
type FineNotice struct {
	Placa       string `json:"placa"`
	Localizacao string `json:"localizacao,omitempty"`
	Motivo      string `json:"motivo,omitempty"`
}

type VehicleRegisterRequest struct {
	UserID string `json:"user_id"`
	Placa  string `json:"placa"`
	Modelo string `json:"modelo,omitempty"`
	Cor    string `json:"cor,omitempty"`
}

type VehicleRegisterReply struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	VehicleID string `json:"vehicle_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type VehicleListRequest struct {
	UserID string `json:"user_id"`
}

type Vehicle struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Placa        string    `json:"placa"`
	Modelo       string    `json:"modelo,omitempty"`
	Cor          string    `json:"cor,omitempty"`
	RegistradoEm time.Time `json:"registrado_em"`
}

type VehicleListReply struct {
	Success  bool      `json:"success"`
	Veiculos []Vehicle `json:"veiculos"`
	Error    string    `json:"error,omitempty"`
}

// FailureReply is what a worker sends back when a request cannot be processed.
type FailureReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
