// Package emitter доставляет уведомления сессий звонков (call.Emitter)
// наружу: JSON в MQTT топики, журнал в памяти, структурированный лог,
// а также рассылку нескольким получателям сразу.
//
// Топики MQTTEmitter:
//
//	<prefix>/call/<id>/state  смена сигнального состояния
//	<prefix>/call/<id>/media  hold, mute, video mute
//	<prefix>/call/<id>/stats  итоговая статистика звонка
//	<prefix>/video/size       размер входящего видео
package emitter
