// Package chat contains the platform chat listeners that feed the co-host.
//
// Each Source connects to one platform and hands normalized Comments to an
// Emit callback:
//   - TwitchSource joins a channel over IRC. Without bot credentials it
//     connects anonymously, which is enough to read. When a Helix client is
//     configured the channel's live status is checked before joining and an
//     offline channel is only logged.
//   - YouTubeSource polls the live chat of a video, honoring the polling
//     interval the API asks for and backing off on errors.
//
// Both run messages through a BacklogGuard so the history a platform replays
// on connect never reaches the scheduler.
package chat
