// Package pathcodec 把任意远程 URL 映射为缓存根目录下的相对路径。映射是纯函数：
// 同一 URL 永远得到同一路径，缓存命中判断完全依赖这一点。结果尚未做目录越界
// 约束，由 cache 包在拼接绝对路径时负责。
package pathcodec
