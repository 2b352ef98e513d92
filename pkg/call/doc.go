// Package call реализует контроллер одного SIP звонка поверх внешнего
// движка сигнализации и медиа.
//
// Сессия (Session) получает от движка события:
//   - OnCallState - смена сигнального состояния (Early, Confirmed, Disconnected, ...)
//   - OnCallMediaState - изменился набор активных медиа-треков
//   - OnCallMediaEvent - смена формата видео, RTCP feedback
//   - OnStreamDestroyed - удаление медиапотока движком
//
// и команды аккаунта: ответ, отклонение, удержание, mute, перевод,
// исходящий вызов, привязка видео к поверхностям.
//
// Жизненный цикл:
//
//	Null -> Calling | Incoming -> Early -> Connecting -> Confirmed -> Disconnected
//
// Переходы только вперед, Disconnected терминальное состояние. Любое
// событие после Disconnected логируется и отбрасывается.
//
// Ресурсы (генератор тона, окно видео, превью) хранятся в слотах: не более
// одного живого экземпляра каждого вида, прежний освобождается до создания
// нового, ссылка очищается даже при ошибке освобождения.
//
// Уведомления наружу идут через Emitter: callState, callMediaState,
// videoSize, callStats. Статистика отправляется не более одного раза за
// звонок, при переходе в Disconnected, если звонок был соединен и снимок
// аудиопотока захвачен.
package call
