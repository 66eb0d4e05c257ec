// Package bulkconsultations pulls every Document_ТелефонныйЗвонок from ЦЛ
// with no Parent_Key client-ownership filter, so the operator queue math
// (internal/operator) can count load from consultations that don't belong to
// this tenant. The incremental pull in internal/etl/consultations applies no
// Parent_Key filter either; the two pullers differ in cursor field
// (ДатаСоздания here), cons_id prefix and source tag.
package bulkconsultations

import "github.com/conslink/consync/internal/model"

// Entity is the sync_state name this puller's checkpoint is stored under;
// the OData query itself reads Document_ТелефонныйЗвонок. It is distinct
// from consultations.Entity so the two pullers keep independent
// checkpoints against the same underlying 1C document.
const Entity = "Document_ТелефонныйЗвонок_ALL"

const source = model.SourceERPAll

type item struct {
	RefKey     string `json:"Ref_Key"`
	Number     string `json:"Number"`
	AbonentKey string `json:"Абонент_Key"`
	ManagerKey string `json:"Менеджер_Key"`
	CreateDate string `json:"ДатаСоздания"`
	StartDate  string `json:"ДатаКонсультации"`
	EndDate    string `json:"Конец"`
	AppealKind string `json:"ВидОбращения"`
}

type listResponse struct {
	Value []item `json:"value"`
}
