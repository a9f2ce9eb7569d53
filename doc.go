// Package racematch 是多人卡丁車遊戲的配對與房間生命週期服務。
//
// 玩家透過 REST 加入全域佇列，湊滿人數（或倒數結束）後分配到一個房間，
// 再用 WebSocket 連進房間比賽；比賽結束後結果寫入全域排行榜。
//
// # 元件
//
// 每個元件都是一個 actor（單一 goroutine 處理自己的郵箱），彼此只透過訊息溝通：
//   - Matchmaker：全域單例，FIFO 佇列、倒數與兩階段成團
//   - Room Registry：全域單例，發放 room_<ksuid> 並記錄中繼資料
//   - Race Room：每個房間一個，成員名單、心跳、狀態機與廣播
//   - Leaderboard：全域單例，累計勝場並即時推送
//
// 路由層（internal/server）以邏輯名稱找到目標 actor 後轉送，不持有狀態。
//
// # 流程
//
//	client → POST /queue/join → Matchmaker ──CreateRoom──→ Registry
//	client ← {status: matched, wsUrl}
//	client → GET /ws/room/{roomId} → Race Room ──RecordWin──→ Leaderboard
//	client ← GET /ws/leaderboard ← Leaderboard
//
// # 房間協議
//
// 所有訊息都是 JSON，以 "t" 欄位區分種類：
//   - 客戶端：HELLO、PING、STATE、RACE_FINISH
//   - 伺服器：WELCOME、PONG、PEER_JOIN、PEER_LEAVE、PEER_STATE、START、RACE_END、END、KICK
//
// 無法解析的訊息會收到 KICK 並被斷線。
//
// # 存儲
//
// 排行榜可選 memory、badger（預設，單機）或 redis（多實例共用）。
// 多實例部署時設定 NATS_URL，排名變動會透過 NATS 通知其他實例重新載入。
//
// # 配置
//
// YAML 檔（-config）加上環境變數覆蓋：
//   - ROOM_SIZE：每房人數（預設 5）
//   - QUEUE_TTL_MS：排隊逾時（預設 20000）
//   - ROOM_HEARTBEAT_MS：房間心跳逾時（預設 30000）
//   - ALLOWED_ORIGINS：逗號分隔的 CORS 來源
//   - ENVIRONMENT：production 時關閉 /api/debug/state
//   - STORE_BACKEND、BADGER_DIR、REDIS_ADDR、NATS_URL、PUBLIC_WS_BASE
//
// 命令列參數 -port、-log-level、-log-format 優先於以上設定。
package racematch
